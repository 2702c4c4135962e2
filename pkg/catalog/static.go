package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/groundsys/cmdtlm-router/pkg/errors"
)

type TelemetryDef struct {
	Topic      string     `yaml:"topic"`
	Identifier Identifier `yaml:"identifier"`
	Fields     []FieldDef `yaml:"fields"`
}

type CommandDef struct {
	Target     string     `yaml:"target"`
	Command    string     `yaml:"command"`
	Identifier Identifier `yaml:"identifier"`
	Fields     []FieldDef `yaml:"fields"`
}

// Definition is the serializable form of a mission catalog.
type Definition struct {
	Mission   string         `yaml:"mission"`
	ByteOrder string         `yaml:"byte_order"`
	Telemetry []TelemetryDef `yaml:"telemetry"`
	Commands  []CommandDef   `yaml:"commands"`
}

type commandKey struct {
	target  string
	command string
}

type entry struct {
	topic  string
	schema *Schema
}

// StaticCatalog is an immutable Catalog built from a Definition. Command identifiers also
// resolve through ResolveIdentifier, under the topic "<target>/<command>".
type StaticCatalog struct {
	mission string

	byIdentifier map[Identifier]entry
	byTopic      map[string]Identifier
	byCommand    map[commandKey]Identifier

	commands []CommandInfo
}

type CommandInfo struct {
	Target     string
	Command    string
	Identifier Identifier
}

func byteOrderFor(name string) (binary.ByteOrder, error) {
	switch name {
	case "", "big", "big_endian":
		return binary.BigEndian, nil
	case "little", "little_endian":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", name)
}

func New(def Definition) (*StaticCatalog, error) {
	order, err := byteOrderFor(def.ByteOrder)
	if err != nil {
		return nil, err
	}

	c := &StaticCatalog{
		mission:      def.Mission,
		byIdentifier: make(map[Identifier]entry),
		byTopic:      make(map[string]Identifier),
		byCommand:    make(map[commandKey]Identifier),
	}

	add := func(id Identifier, topic string, fields []FieldDef) error {
		if topic == "" {
			return fmt.Errorf("identifier 0x%04X has an empty topic", id)
		}
		if _, has := c.byIdentifier[id]; has {
			return &errors.NameCollision{CollisionContext: "Catalog identifiers", Name: fmt.Sprintf("0x%04X", id)}
		}
		if _, has := c.byTopic[topic]; has {
			return &errors.NameCollision{CollisionContext: "Catalog topics", Name: topic}
		}
		schema, schemaErr := NewSchema(topic, fields, order)
		if schemaErr != nil {
			return schemaErr
		}
		c.byIdentifier[id] = entry{topic: topic, schema: schema}
		c.byTopic[topic] = id
		return nil
	}

	for _, tlm := range def.Telemetry {
		if err := add(tlm.Identifier, tlm.Topic, tlm.Fields); err != nil {
			return nil, err
		}
	}

	for _, cmd := range def.Commands {
		if cmd.Target == "" || cmd.Command == "" {
			return nil, fmt.Errorf("command 0x%04X needs a target and a command name", cmd.Identifier)
		}
		if err := add(cmd.Identifier, cmd.Target+"/"+cmd.Command, cmd.Fields); err != nil {
			return nil, err
		}
		c.byCommand[commandKey{target: cmd.Target, command: cmd.Command}] = cmd.Identifier
		c.commands = append(c.commands, CommandInfo{Target: cmd.Target, Command: cmd.Command, Identifier: cmd.Identifier})
	}

	return c, nil
}

func (c *StaticCatalog) Mission() string {
	return c.mission
}

func (c *StaticCatalog) ResolveIdentifier(id Identifier) (string, Codec, error) {
	e, has := c.byIdentifier[id]
	if !has {
		return "", nil, &errors.UnknownIdentifier{Identifier: uint64(id)}
	}
	return e.topic, e.schema, nil
}

func (c *StaticCatalog) ResolveCommand(target string, command string) (Identifier, Codec, error) {
	id, has := c.byCommand[commandKey{target: target, command: command}]
	if !has {
		return 0, nil, &errors.UnknownCommand{Target: target, Command: command}
	}
	return id, c.byIdentifier[id].schema, nil
}

// ResolveTopic is the reverse lookup of ResolveIdentifier.
func (c *StaticCatalog) ResolveTopic(topic string) (Identifier, bool) {
	id, has := c.byTopic[topic]
	return id, has
}

// Topics returns every telemetry and command topic, sorted.
func (c *StaticCatalog) Topics() []string {
	topics := make([]string, 0, len(c.byTopic))
	for topic := range c.byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Commands returns the command entries in definition order.
func (c *StaticCatalog) Commands() []CommandInfo {
	out := make([]CommandInfo, len(c.commands))
	copy(out, c.commands)
	return out
}
