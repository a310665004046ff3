// Package model loads compiled schema models and infers lightweight
// mappings between their versions.
//
// A compiled model is a YAML resource named <schema>.momd in the
// application bundle. It carries every released version of the schema and
// marks one as current:
//
//	name: Notes
//	current: 1.1.0
//	versions:
//	  - version: 1.0.0
//	    entities:
//	      - name: Note
//	        attributes:
//	          - {name: title, type: string}
//	  - version: 1.1.0
//	    entities:
//	      - name: Note
//	        attributes:
//	          - {name: title, type: string, validate: 'len(value) > 0'}
//	          - {name: pinned, type: boolean, default: false}
//
// # Version Hashes
//
// Each version has a hash over the parts that shape the store layout.
// A store written with one hash opens without migration under any model
// with the same hash.
//
// # Mapping Inference
//
// InferMapping compares two versions and emits ordered steps (create,
// drop and rename entities; add, drop, rename and backfill columns). A
// change the steps cannot express, such as a type change, returns
// ErrMappingNotInferable.
package model
