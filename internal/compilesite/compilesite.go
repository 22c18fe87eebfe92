// Package compilesite builds the per-site meetings database from the OCR
// text tree. Compilation is deterministic over its filesystem inputs: the
// same txt tree always produces an equivalent artifact.
package compilesite

import "context"

// Artifact describes a finished compilation.
type Artifact struct {
	// Path is the absolute location of the produced database file.
	Path string

	// Documents is the number of documents folded into the artifact.
	// Zero is valid: a site whose OCR failed everywhere still compiles to
	// a well-formed empty database.
	Documents int

	// Pages is the total number of text pages read.
	Pages int
}

// Compiler produces a site's database artifact from its text tree.
type Compiler interface {
	Compile(ctx context.Context, subdomain string) (Artifact, error)
}
