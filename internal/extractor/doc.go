// Package extractor turns source files into semantic units: functions,
// methods, classes and, as a fallback, whole modules.
//
// Go is parsed with go/ast. Python, JavaScript, TypeScript and Java are parsed
// with tree-sitter grammars; each grammar lists the node types that become
// units and where documentation lives.
//
// # Basic Usage
//
//	r := extractor.NewRegistry()
//	units, err := r.Extract(ctx, "python", "app/models.py", content)
//
// Languages without a registered strategy yield no units. A supported file
// that yields no units but has content becomes one module unit named after
// the file.
//
// # Roles
//
// Class-like units are tagged by naming convention (Repository, Service,
// Handler, Controller, Aggregate and others). Python classes deriving from
// BaseModel or models.Model are tagged as models, Java classes annotated with
// @Entity as entities.
package extractor
