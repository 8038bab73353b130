package main

import (
	"os"
	"path/filepath"
	"strconv"
)

func itoa(i int) string { return strconv.Itoa(i) }

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// writeScript drops an executable shell script at path.
func writeScript(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
}
