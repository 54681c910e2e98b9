package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/tool"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the model can call",
		Long: "List the tools declared in the configuration. With --discover the servers are\n" +
			"started and asked for the tools they announce.",
		Args: cobra.NoArgs,
		RunE: runTools,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().String("server", "", "Only list the tools of this server")
	cmd.Flags().Bool("discover", false, "Start servers and include discovered tools")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	serverName, _ := cmd.Flags().GetString("server")
	discover, _ := cmd.Flags().GetBool("discover")

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if discover {
		if err := a.start(ctx); err != nil {
			return err
		}
	}

	var schemas []tool.Schema
	if serverName != "" {
		schemas = a.registry.ForServer(serverName)
	} else {
		schemas = a.registry.List()
	}
	if schemas == nil {
		schemas = []tool.Schema{}
	}
	return writeFormatted(cmd, format, func() string { return formatTools(schemas) }, schemas)
}

func formatTools(schemas []tool.Schema) string {
	if len(schemas) == 0 {
		return "No tools registered.\n"
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tPARAMS\tDESCRIPTION")
	for _, s := range schemas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Server, formatParams(s.Params), s.Description)
	}
	_ = w.Flush()
	return sb.String()
}

// formatParams renders params as "name:type" with a trailing "?" for
// optional ones.
func formatParams(params []tool.Param) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		part := p.Name + ":" + p.Type
		if p.Type == tool.TypeArray && p.Items != "" {
			part += "<" + p.Items + ">"
		}
		if !p.Required {
			part += "?"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ",")
}
