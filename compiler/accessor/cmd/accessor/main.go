// Command accessor generates tracked entity types from a YAML manifest.
//
// Usage:
//
//	accessor -manifest schema.yaml -out ./model
//	accessor -manifest schema.yaml -out ./model -watch
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/syssam/unison/compiler/accessor"
)

func main() {
	var (
		manifest = flag.String("manifest", "schema.yaml", "path to the schema manifest")
		out      = flag.String("out", ".", "output directory for generated code")
		watch    = flag.Bool("watch", false, "regenerate on manifest changes")
	)
	flag.Parse()
	ctx := context.Background()
	if *watch {
		err := accessor.Watch(ctx, *manifest, *out, func(err error) {
			fmt.Fprintln(os.Stderr, "accessor:", err)
		})
		if err != nil && err != context.Canceled {
			fmt.Fprintln(os.Stderr, "accessor:", err)
			os.Exit(1)
		}
		return
	}
	m, err := accessor.Load(*manifest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := accessor.NewGenerator(m, *out).Generate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
