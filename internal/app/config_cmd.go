package app

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/chanq/internal/config"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: validate")
		return 2
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./chanq.yaml", "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	_, res, err := config.Load(*configPath)
	if err != nil {
		res = config.ValidationResult{Errors: []string{err.Error()}}
	}

	out := stdout
	code := 0
	if !res.OK {
		out = stderr
		code = 1
	}
	if *format == "text" {
		fmt.Fprintln(out, formatValidationText(res))
		return code
	}
	if err := writeJSON(out, res); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return code
}

func formatValidationText(res config.ValidationResult) string {
	var b strings.Builder
	if res.OK {
		b.WriteString("config ok")
	} else {
		b.WriteString("config invalid")
	}
	for _, e := range res.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(e)
	}
	for _, w := range res.Warnings {
		b.WriteString("\nwarning: ")
		b.WriteString(w)
	}
	return b.String()
}
