package viz

import (
	"fmt"
	"io"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/notelive/pkg/rooms"
)

// RenderRoomsToSvg draws the occupied rooms as a tree: the global room at
// the root, notebooks below it and notes below their notebook. Each node is
// labelled with the number of clients registered directly in that room.
func RenderRoomsToSvg(stats []rooms.RoomStat, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	counts := make(map[string]int)
	for _, s := range stats {
		counts[s.Key.String()] = s.Clients
	}

	var ensure func(key rooms.Key) (*cgraph.Node, error)
	ensure = func(key rooms.Key) (*cgraph.Node, error) {
		name := key.String()
		if n, ok := nodeMap[name]; ok {
			return n, nil
		}
		n, err := graph.CreateNode(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		label := "all"
		switch {
		case key.HasSubScope():
			label = "note " + key.SubScope.String()[:8]
		case key.HasScope():
			label = "notebook " + key.Scope.String()[:8]
		}
		n.SetLabel(fmt.Sprintf("%s (%d)", label, counts[name]))
		nodeMap[name] = n

		if key == rooms.All() {
			return n, nil
		}
		parentKey := rooms.All()
		if key.HasSubScope() {
			parentKey = rooms.Notebook(key.Scope)
		}
		parent, err := ensure(parentKey)
		if err != nil {
			return nil, err
		}
		if _, err := graph.CreateEdge(parent.Name()+"->"+name, parent, n); err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
		return n, nil
	}

	if _, err := ensure(rooms.All()); err != nil {
		return err
	}
	for _, s := range stats {
		if _, err := ensure(s.Key); err != nil {
			return err
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}
