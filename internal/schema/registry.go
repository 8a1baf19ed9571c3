package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DiscoveryResponseType is the reserved message type used by the
// Service Discovery reply. It must be registered before the broker
// serves discovery requests; EnsureDiscoverySchema bundles it.
const DiscoveryResponseType = "ServiceDiscoveryResponse"

const discoverySchemaSource = `syntax = "proto3";

// Reserved Service Discovery schema. Do not edit.
message SchemaBinding {
  bytes topic = 1;
  bytes message_type = 2;
  bytes schema_source = 3;
}

message ServiceDiscoveryResponse {
  repeated SchemaBinding bindings = 1;
}
`

var ErrUnknownType = errors.New("schema: message type not registered")

// Binding is one topic -> message type association.
type Binding struct {
	Topic    string `json:"topic"`
	TypeName string `json:"message_type"`

	// Source is the schema file text the type was parsed from.
	Source string `json:"-"`
}

// Registry holds message definitions and topic -> type bindings.
// Safe for concurrent use; the admin surface mutates it while client
// readers decode against it.
type Registry struct {
	mu       sync.RWMutex
	messages map[string]*Message
	bindings map[string]string // topic -> type name
	dir      string
}

func NewRegistry(dir string) *Registry {
	return &Registry{
		messages: make(map[string]*Message, 8),
		bindings: make(map[string]string, 4),
		dir:      dir,
	}
}

func (r *Registry) RegisterMessage(m *Message) {
	r.mu.Lock()
	r.messages[m.Name] = m
	r.mu.Unlock()
}

// LookupMessage implements the codec's resolver.
func (r *Registry) LookupMessage(name string) (*Message, bool) {
	r.mu.RLock()
	m, ok := r.messages[name]
	r.mu.RUnlock()
	return m, ok
}

// BindTopic associates topic with a registered message type.
// Rejected if the type is unknown at the time of binding.
func (r *Registry) BindTopic(topic, typeName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[typeName]; !ok {
		return ErrUnknownType
	}
	r.bindings[topic] = typeName
	return nil
}

// TypeForTopic is an exact topic match only, no wildcards.
func (r *Registry) TypeForTopic(topic string) (string, bool) {
	r.mu.RLock()
	t, ok := r.bindings[topic]
	r.mu.RUnlock()
	return t, ok
}

// Bindings returns a snapshot of all topic bindings with the schema
// source of each bound type.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bs := make([]Binding, 0, len(r.bindings))
	for topic, tn := range r.bindings {
		b := Binding{Topic: topic, TypeName: tn}
		if m, ok := r.messages[tn]; ok {
			b.Source = m.Source
		}
		bs = append(bs, b)
	}
	return bs
}

func (r *Registry) SchemaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// RegisterSource parses one schema file and registers every message it
// defines under its short name.
func (r *Registry) RegisterSource(src string) error {
	msgs, err := Parse(src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, m := range msgs {
		r.messages[m.Name] = m
	}
	r.mu.Unlock()
	return nil
}

// LoadDirectory reads every *.proto file in the registry's schema
// directory. A file that fails to parse is skipped and logged; the
// remaining files still load.
func (r *Registry) LoadDirectory() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".proto") {
			continue
		}

		src, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			log.WithFields(log.Fields{
				"file": e.Name(),
				"err":  err,
			}).Error("Unable to read schema file")
			continue
		}

		if err = r.RegisterSource(string(src)); err != nil {
			log.WithFields(log.Fields{
				"file": e.Name(),
				"err":  err,
			}).Error("Unable to parse schema file")
			continue
		}

		log.WithFields(log.Fields{
			"file": e.Name(),
		}).Debug("Loaded schema file")
	}

	return nil
}

// EnsureDiscoverySchema registers the bundled ServiceDiscoveryResponse
// schema and writes it into the schema directory if not present there,
// so discovery clients can read its source like any other schema.
func (r *Registry) EnsureDiscoverySchema() error {
	if _, ok := r.LookupMessage(DiscoveryResponseType); !ok {
		if err := r.RegisterSource(discoverySchemaSource); err != nil {
			return err
		}
	}

	fPath := filepath.Join(r.dir, DiscoveryResponseType+".proto")
	if _, err := os.Stat(fPath); os.IsNotExist(err) {
		return os.WriteFile(fPath, []byte(discoverySchemaSource), 0644)
	}
	return nil
}

// RegisterSchemaAndBind parses source, registers every message type it
// defines, persists it as <typeName>.proto in the schema directory and
// binds topic to typeName. The operation either fully applies or
// leaves the registry unchanged.
func (r *Registry) RegisterSchemaAndBind(topic, typeName, source string) error {
	msgs, err := Parse(source)
	if err != nil {
		return err
	}

	found := false
	for _, m := range msgs {
		if m.Name == typeName {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownType
	}

	fPath := filepath.Join(r.dir, typeName+".proto")
	if err = os.WriteFile(fPath, []byte(source), 0644); err != nil {
		return err
	}

	r.mu.Lock()
	for _, m := range msgs {
		r.messages[m.Name] = m
	}
	r.bindings[topic] = typeName
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"topic":       topic,
		"messageType": typeName,
	}).Info("Registered schema and bound topic")

	return nil
}
