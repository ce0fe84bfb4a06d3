package main

import "os"

// ---------------- Main ----------------
func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
