package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/RoanBrand/mockbroker"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

type program struct {
	broker     *mockbroker.Broker
	configFlag string
	execDir    string

	port    int // overrides config if >= 0
	journal string
	drain   time.Duration
}

// hooks log what the client does and otherwise keep the auto-accept defaults.
// With echo, every message received is published straight back to the client.
func hooks(echo bool) mockbroker.Hooks {
	h := mockbroker.Hooks{
		OnClientDisconnect: func(b *mockbroker.Broker, _ interface{}, rc mockbroker.Result) {
			log.WithField("rc", rc).Info("Client disconnected")
		},
		OnMessage: func(b *mockbroker.Broker, _ interface{}, m *mockbroker.Message) {
			log.WithFields(log.Fields{
				"topic": m.Topic,
				"qos":   m.QoS,
				"bytes": len(m.Payload),
			}).Info("Message received")
		},
		OnPublish: func(b *mockbroker.Broker, _ interface{}, mid uint16) {
			log.WithField("mid", mid).Debug("Message delivered")
		},
	}
	if !echo {
		return h
	}

	logMessage := h.OnMessage
	h.OnMessage = func(b *mockbroker.Broker, ud interface{}, m *mockbroker.Message) {
		logMessage(b, ud, m)
		if _, err := b.Publish(m.Topic, m.Payload, m.QoS, m.Retain); err != nil {
			log.WithFields(log.Fields{
				"topic": m.Topic,
				"err":   err,
			}).Error("Unable to echo message")
		}
	}
	return h
}

func (p *program) Start(s service.Service) error {
	if p.configFlag != "" {
		if err := p.broker.LoadFromFile(p.configFlag); err != nil {
			return err
		}
		log.Infoln("Using config file:", p.configFlag)
	} else if toTry := findConfig(p.execDir); toTry != "" {
		if err := p.broker.LoadFromFile(toTry); err != nil {
			return err
		}
		log.Infoln("Using config file:", toTry)
	} else {
		log.Infoln("No config file specified or found. Using defaults.")
	}
	p.broker.AutoPuback = true
	if p.port >= 0 {
		p.broker.Port = p.port
	}
	if p.journal != "" {
		p.broker.Journal.Dir = p.journal
	}
	if p.broker.Log.Level == "" && service.Interactive() {
		p.broker.Log.Level = "debug"
	}

	addr, err := p.broker.LoopStart()
	if err != nil {
		return err
	}
	log.Infoln("Mock MQTT broker listening on", addr)
	return nil
}

// Stop lets the client receive what is already queued for up to the drain
// period before the broker is stopped.
func (p *program) Stop(s service.Service) error {
	if p.drain > 0 {
		p.broker.TriggerShutdown(true)
		if p.broker.Execute(p.drain) {
			return nil
		}
		log.WithField("drain", p.drain).Warn("Queue not flushed in time, stopping now")
	}
	return p.broker.LoopStop()
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.String("c", "", "Path of config file.")
	portFlag := flag.Int("port", -1, "Listen port, overriding the config file. 0 picks a free one.")
	journalFlag := flag.String("journal", "", "Directory to journal every packet to.")
	echoFlag := flag.Bool("echo", false, "Publish every received message back to the client.")
	drainFlag := flag.Duration("drain", 0, "On stop, wait up to this long for queued packets to be sent.")
	flag.Parse()

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir, _ := filepath.Split(ePath)

	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else {
		f, err := os.OpenFile(filepath.Join(eDir, "mockbroker.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	prg := program{
		broker:     mockbroker.New(hooks(*echoFlag)),
		configFlag: *cnfFlag,
		execDir:    eDir,
		port:       *portFlag,
		journal:    *journalFlag,
		drain:      *drainFlag,
	}
	if !service.Interactive() {
		prg.broker.Log.File = filepath.Join(eDir, "mockbroker.log")
	}

	svcConfig := service.Config{
		Name:        "mockbroker",
		DisplayName: "mockbroker MQTT test broker",
		Description: "Scriptable MQTT v3.1.1 broker for testing MQTT clients.",
		Arguments:   serviceArgs(),
	}

	s, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		err := service.Control(s, *svcFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	if err = s.Run(); err != nil {
		log.Fatal(err)
	}
}

// serviceArgs are the flags an installed service is started with.
func serviceArgs() []string {
	var args []string
	flag.Visit(func(f *flag.Flag) {
		if f.Name != "service" {
			args = append(args, "-"+f.Name+"="+f.Value.String())
		}
	})
	return args
}

func findConfig(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		if toTry := filepath.Join(dir, name); fileExists(toTry) {
			return toTry
		}
	}
	return ""
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
