// Package templates embeds the default workspace files written by init.
package templates

import (
	"embed"
	"io/fs"
)

//go:embed config.yaml rules.yaml plan.yaml
var FS embed.FS

// Rules is the built-in classifier ruleset.
func Rules() []byte {
	return mustRead("rules.yaml")
}

func mustRead(name string) []byte {
	b, err := fs.ReadFile(FS, name)
	if err != nil {
		panic(err)
	}
	return b
}
