// Package engine defines the capability interface shared by all storage
// engines, the callback types of the operation vocabulary, and the name
// registry the facade dispatches through.
//
// Engines register themselves from an init function in their own package;
// the root pmkv package imports all four for side effects, so every engine
// is linked into an application that imports pmkv and is available by name.
package engine
