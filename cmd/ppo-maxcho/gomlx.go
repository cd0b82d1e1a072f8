package main

// Registers the available accelerator backends.
import (
	_ "github.com/gomlx/gomlx/backends/default"
)
