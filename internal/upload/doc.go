// Package upload holds the content-inspection primitives behind secure
// upload validation: magic-byte sniffing, filename sanitisation, canonical
// naming, image structure probing and embedded-payload scanning.
//
// Every function is pure and works on an in-memory byte slice. Ordering and
// policy (size ceilings, strictness, which flags reject) live in
// internal/flows.
package upload
