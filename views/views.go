// Package views holds the server-rendered HTML templates. They are embedded
// so the binary (and the tests) do not depend on the working directory.
package views

import (
	"embed"
	"html/template"
)

//go:embed *.html
var files embed.FS

// Templates parses every embedded page. Template names are the file names.
func Templates() *template.Template {
	return template.Must(template.ParseFS(files, "*.html"))
}
