package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the resource dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  windlass graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	m, err := loadManifest(cmd.Context(), cfg, args)
	if err != nil {
		return err
	}

	graph, err := engine.BuildGraph(m.Resources)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	fmt.Print(renderDOT(graph))
	return nil
}

// renderDOT writes the graph in Graphviz DOT syntax, nodes in creation
// order and edges pointing at dependencies.
func renderDOT(graph *engine.Graph) string {
	out := "digraph windlass {\n"
	out += "  rankdir = \"BT\";\n"
	out += "  node [shape = rect];\n\n"

	order := graph.CreationOrder()
	for _, id := range order {
		res := graph.Resource(id)
		out += fmt.Sprintf("  %q [label=\"%s\\n(%s)\"];\n", id, id, res.Kind)
	}
	out += "\n"

	for _, id := range order {
		for _, dep := range graph.Dependencies(id) {
			out += fmt.Sprintf("  %q -> %q;\n", id, dep)
		}
	}

	out += "}\n"
	return out
}
