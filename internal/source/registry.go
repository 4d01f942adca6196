package source

import (
	"fmt"
	"sort"

	"go.yaml.in/yaml/v3"
)

// constructors maps a configuration tag to its variant constructor. Adding a
// downloader type means adding one constructor and one entry here.
//
// The table is filled in init: newDateRange builds its children through New,
// so a composite literal would make the package initializer graph cyclic.
var constructors = map[string]func(node *yaml.Node) (Source, error){}

func init() {
	constructors["!http-files"] = newHTTPFiles
	constructors["!http-directory"] = newHTTPDirectory
	constructors["!rss"] = newRSS
	constructors["!ftp-files"] = newFTPFiles
	constructors["!ftp-directory"] = newFTPDirectory
	constructors["!ecmwf-api"] = newBatchAPI
	constructors["!date-range"] = newDateRange
}

// New builds a Source from a tagged YAML mapping node.
func New(node *yaml.Node) (Source, error) {
	node = resolveAlias(node)
	ctor, ok := constructors[node.Tag]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q (supports %v)", node.Tag, Tags())
	}
	s, err := ctor(node)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", node.Tag, err)
	}
	return s, nil
}

// Tags lists the recognized source tags, sorted for stable error messages.
func Tags() []string {
	out := make([]string, 0, len(constructors))
	for t := range constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	return node
}
