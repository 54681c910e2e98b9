// Package tool holds the tool registry: the catalog of tool schemas exposed
// to the model, keyed by namespaced name ("<server>.<method>").
//
// The package is split by concern:
//   - schema: parameter and tool schema types, name helpers
//   - registry: concurrent-safe registration and lookup
//   - validate: pure argument validation against a schema
//   - jsonschema: conversion between JSON Schema and tool schemas
//
// Nothing in this package touches the network or a process.
package tool
