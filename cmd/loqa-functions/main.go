package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/loqalabs/loqa-callbridge/internal/functions"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "functions.yaml", "Path to function manifest")
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&manifestPath, "file", "functions.yaml", "Path to function manifest")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := load(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "list":
		listCmd.Parse(os.Args[2:])
		m, err := load(manifestPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printFunctions(m)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(path string) (functions.Manifest, error) {
	m, err := functions.LoadManifest(path)
	if err != nil {
		return m, err
	}
	if err := functions.Validate(m); err != nil {
		return m, err
	}
	// Bind against a scratch registry to catch unparsable commands.
	if err := functions.Bind(functions.NewRegistry(), m, 0); err != nil {
		return m, err
	}
	return m, nil
}

func printFunctions(m functions.Manifest) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHANDLER\tDESCRIPTION")
	for _, fn := range append(m.Functions, functions.EndCallDescription()) {
		handler := "-"
		if fn.Handler != nil {
			target := fn.Handler.Command
			if target == "" {
				target = fn.Handler.URL
			}
			handler = strings.ToLower(fn.Handler.Mode) + " " + target
		} else if functions.IsEndCall(fn.Name) {
			handler = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", fn.Name, handler, fn.Description)
	}
	_ = w.Flush()
}
