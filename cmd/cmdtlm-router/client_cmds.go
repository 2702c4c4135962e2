package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/client"
	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/spf13/cobra"
)

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mission: %s\n\n", cat.Mission())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tIDENTIFIER")
	for _, topic := range cat.Topics() {
		id, _ := cat.ResolveTopic(topic)
		fmt.Fprintf(w, "%s\t0x%04X\n", topic, uint32(id))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TARGET\tCOMMAND\tIDENTIFIER")
	for _, c := range cat.Commands() {
		fmt.Fprintf(w, "%s\t%s\t0x%04X\n", c.Target, c.Command, uint32(c.Identifier))
	}
	return w.Flush()
}

// parseFields turns FIELD=VALUE arguments into command fields. String fields and enum labels
// declared by schema keep the raw text, as does any double-quoted value. Other values that parse
// as integers or floats are passed as numbers, anything else as a string. schema may be nil.
func parseFields(args []string, schema *catalog.Schema) (catalog.Fields, error) {
	fields := catalog.Fields{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("field %q is not of the form FIELD=VALUE", arg)
		}
		if unquoted, err := strconv.Unquote(raw); err == nil && strings.HasPrefix(raw, `"`) {
			fields[name] = unquoted
			continue
		}
		if schema != nil {
			if def, has := schema.Field(name); has {
				if _, isLabel := def.Values[raw]; def.Type == catalog.FieldType_String || isLabel {
					fields[name] = raw
					continue
				}
			}
		}
		if i, err := strconv.ParseInt(raw, 0, 64); err == nil {
			fields[name] = i
		} else if u, err := strconv.ParseUint(raw, 0, 64); err == nil {
			fields[name] = u
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fields[name] = f
		} else {
			fields[name] = raw
		}
	}
	return fields, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	_, payloadCodec, err := cat.ResolveCommand(args[0], args[1])
	if err != nil {
		return err
	}
	schema, _ := payloadCodec.(*catalog.Schema)
	fields, err := parseFields(args[2:], schema)
	if err != nil {
		return err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	codec, err := packet.NewCodec(layout, cat)
	if err != nil {
		return err
	}

	host := sendHost
	if host == "" {
		host = cfg.Target.Host
	}
	port := sendPort
	if port == 0 {
		port = cfg.Target.UplinkPort
		if len(cfg.Router.CmdSourcePorts) > 0 && cfg.Router.CmdSourcePorts[0] != 0 {
			port = cfg.Router.CmdSourcePorts[0]
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.CreateClient(client.ClientParams{
		Codec:       codec,
		RouterHost:  host,
		CommandPort: port,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	sent, status := c.SendCommand(command.Request{Target: args[0], Command: args[1], Fields: fields})
	fmt.Fprintln(cmd.OutOrStdout(), status)
	if !sent {
		return fmt.Errorf("command not sent")
	}
	return nil
}
