package job

import (
	"strings"

	"github.com/queelius/sandrun/internal/hashutil"
)

// fieldSeparator is the control byte spec.md §3 picks for JobInputHash's
// canonical encoding: "a byte outside ordinary path/arg content". 0x1F
// (ASCII Unit Separator) never appears in a shell argument, path, or
// template name produced by normal tooling.
const fieldSeparator = "\x1f"

// InputHash computes the JobInputHash of spec.md §3: SHA-256 over
//
//	entrypoint || 0x1F || interpreter || 0x1F || env_template || 0x1F || args_joined_by_0x1F || 0x1F || entrypoint_bytes
//
// entrypointBytes is the literal content of the entrypoint file as unpacked
// from the submitted archive — two jobs with byte-identical manifests but
// different entrypoint source must hash differently, which is why the file
// content, not just its path, is part of the encoding.
func InputHash(m Manifest, entrypointBytes []byte) string {
	var b strings.Builder
	b.WriteString(m.Entrypoint)
	b.WriteString(fieldSeparator)
	b.WriteString(m.Interpreter)
	b.WriteString(fieldSeparator)
	b.WriteString(m.EnvTemplate)
	b.WriteString(fieldSeparator)
	b.WriteString(strings.Join(m.Args, fieldSeparator))
	b.WriteString(fieldSeparator)
	b.Write(entrypointBytes)

	return hashutil.HashBytes([]byte(b.String()))
}
