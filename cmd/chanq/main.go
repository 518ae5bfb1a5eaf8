package main

import (
	"os"

	"github.com/nuetzliches/chanq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
