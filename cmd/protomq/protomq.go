package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq"
)

type broker struct {
	srv protomq.Server

	configPath string
	schemaDir  string
}

// configure resolves the config file and applies command-line
// overrides before the server starts.
func (b *broker) configure() error {
	path := b.configPath
	if path == "" {
		// fall back to a config.json next to the binary
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "config.json")
			if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
				path = candidate
			}
		}
	}

	if path != "" {
		if err := b.srv.LoadFromFile(path); err != nil {
			return err
		}
	}

	if b.schemaDir != "" {
		b.srv.Schemas.Dir = b.schemaDir
	}

	lf := log.Fields{
		"config":     path,
		"schema_dir": b.srv.Schemas.Dir,
		"strict":     b.srv.Schemas.Strict,
		"bindings":   len(b.srv.Schemas.Bindings),
	}
	if path == "" {
		lf["config"] = "(defaults)"
	}
	if b.srv.Admin.Address != "" {
		lf["admin_address"] = b.srv.Admin.Address
	}
	log.WithFields(lf).Info("protomq configured")

	return nil
}

func (b *broker) Start(service.Service) error {
	if err := b.configure(); err != nil {
		return err
	}

	go func() {
		if err := b.srv.Run(); err != nil {
			log.WithFields(log.Fields{
				"err": err,
			}).Fatal("broker stopped")
		}
	}()
	return nil
}

func (b *broker) Stop(service.Service) error {
	b.srv.Stop()
	return nil
}

func main() {
	var b broker
	svcAction := flag.String("service", "", "Control the system service (install, uninstall, start, stop, restart).")
	flag.StringVar(&b.configPath, "c", "", "Path of config file.")
	flag.StringVar(&b.schemaDir, "schemas", "", "Schema directory, overrides the config file setting.")
	flag.Parse()

	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	}

	svc, err := service.New(&b, &service.Config{
		Name:        "protomq",
		DisplayName: "protomq message broker",
		Description: "MQTT v3.1.1 broker with a Protobuf schema registry and service discovery.",
	})
	if err != nil {
		log.Fatal(err)
	}

	if *svcAction != "" {
		if err = service.Control(svc, *svcAction); err != nil {
			log.WithFields(log.Fields{
				"action":  *svcAction,
				"actions": service.ControlAction,
				"err":     err,
			}).Fatal("service control failed")
		}
		return
	}

	if err = svc.Run(); err != nil {
		log.Fatal(err)
	}
}
