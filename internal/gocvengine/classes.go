// Package gocvengine runs ONNX YOLO models in-process through OpenCV's DNN
// module. It is only functional in binaries built with the "gocv" tag.
package gocvengine

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNotCompiled is returned by Load in binaries built without the gocv tag.
var ErrNotCompiled = errors.New("gocv backend not compiled in (build with -tags gocv)")

// ReadClasses loads class names, one per line. Blank lines and lines starting
// with '#' are skipped. An empty path yields nil.
func ReadClasses(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open classes file: %w", err)
	}
	defer f.Close()

	var classes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		classes = append(classes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read classes file: %w", err)
	}
	return classes, nil
}

// className falls back to the numeric id when the class list is short.
func className(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return strconv.Itoa(id)
}
