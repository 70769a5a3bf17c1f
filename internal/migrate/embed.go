package migrate

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Schema is the embedded migration tree.
func Schema() fs.FS {
	sub, err := fs.Sub(schemaFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds is the embedded demo data tree.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFiles, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
