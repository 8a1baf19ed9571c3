package protomq

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq/internal/dynamic"
	"github.com/protomq/protomq/internal/model"
	"github.com/protomq/protomq/internal/schema"
)

// Reserved system topics of the Service Discovery protocol.
const (
	discoveryRequestTopic  = "$SYS/discovery/request"
	discoveryResponseTopic = "$SYS/discovery/response"
)

// buildDiscoveryValue assembles the ServiceDiscoveryResponse tree:
// field 1 is a repeated message of {1: topic, 2: type name, 3: schema
// source} triples, one per registered topic binding.
func buildDiscoveryValue(bindings []schema.Binding) *dynamic.Value {
	list := dynamic.Repeated()
	for _, b := range bindings {
		list.Append(dynamic.Message().
			Set(1, dynamic.String(b.Topic)).
			Set(2, dynamic.String(b.TypeName)).
			Set(3, dynamic.String(b.Source)))
	}

	return dynamic.Message().Set(1, list)
}

// sendDiscoveryResponse publishes the current registry contents to
// every subscriber of the discovery response topic. Encode failures
// skip the reply; they never affect the requesting connection.
func (s *Server) sendDiscoveryResponse() {
	v := buildDiscoveryValue(s.registry.Bindings())

	payload, err := dynamic.Encode(v, schema.DiscoveryResponseType, s.registry)
	if err != nil {
		log.WithFields(log.Fields{
			"err": err,
		}).Error("Unable to encode discovery response, reply skipped")
		return
	}

	topicUTF8 := make([]byte, 2, 2+len(discoveryResponseTopic))
	binary.BigEndian.PutUint16(topicUTF8, uint16(len(discoveryResponseTopic)))
	topicUTF8 = append(topicUTF8, discoveryResponseTopic...)

	s.routePub(model.MakePub(0, topicUTF8, payload), nil)
}
