package handlers

import (
	"fmt"
	"strings"

	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"go.uber.org/zap"
)

var DefaultSystemApps = []string{"CFE_ES", "CFE_EVS", "CFE_SB", "CFE_TBL", "CFE_TIME"}

const eventTopic = "CFE_EVS/LONG_EVENT_MSG"

type MonitorParams struct {
	// Apps whose telemetry is observed. Defaults to DefaultSystemApps.
	Apps []string

	// Watches maps app name to message name to the fields reported through OnValue, e.g.
	// {"CFE_ES": {"HK_TLM": {"Seconds"}}}. "Seconds" falls back to the header time when the
	// payload has no such field.
	Watches map[string]map[string][]string

	OnValue func(app string, msg string, field string, value string)
	OnEvent func(text string)

	Logger *zap.Logger
}

// Monitor watches flight software system telemetry: selected housekeeping values and the event
// message stream.
type Monitor struct {
	params MonitorParams
	log    *zap.Logger
}

func CreateMonitor(params MonitorParams) *Monitor {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if len(params.Apps) == 0 {
		params.Apps = DefaultSystemApps
	}

	return &Monitor{
		params: params,
		log:    logger.With(zap.String("handler", "SystemMonitor")),
	}
}

// Topics filters candidates down to the topics of the monitored apps.
func (m *Monitor) Topics(candidates []string) []string {
	var out []string
	for _, topic := range candidates {
		app, _ := splitTopic(topic)
		for _, monitored := range m.params.Apps {
			if app == monitored {
				out = append(out, topic)
				break
			}
		}
	}
	return out
}

// Attach subscribes the monitor to every candidate topic of a monitored app and returns the
// topics it subscribed to.
func (m *Monitor) Attach(reg *registry.Registry, candidates []string) []string {
	topics := m.Topics(candidates)
	for _, topic := range topics {
		reg.Subscribe(topic, m)
		m.log.Info("System monitor observing topic", zap.String("topic", topic))
	}
	return topics
}

func splitTopic(topic string) (app string, msg string) {
	app, msg, _ = strings.Cut(topic, "/")
	return app, msg
}

func (m *Monitor) Observe(tlm *message.TelemetryMessage) error {
	app, msgName := splitTopic(tlm.Topic)

	if fields, has := m.params.Watches[app][msgName]; has && m.params.OnValue != nil {
		for _, field := range fields {
			value, ok := tlm.Field(field)
			if !ok && field == "Seconds" {
				value, ok = tlm.Header.Seconds, true
			}
			if !ok {
				m.log.Debug("Watched field missing from message", zap.String("topic", tlm.Topic), zap.String("field", field))
				continue
			}
			m.params.OnValue(app, msgName, field, fmt.Sprint(value))
		}
		return nil
	}

	if tlm.Topic == eventTopic && m.params.OnEvent != nil {
		payload, err := tlm.Payload()
		if err != nil {
			return err
		}
		m.params.OnEvent(fmt.Sprintf("FSW Event at %d: %v, %v - %v",
			tlm.Header.Seconds, payload["AppName"], payload["EventType"], payload["Message"]))
	}
	return nil
}
