// Package config loads the inputs of a reconciliation run: the resource
// catalog, the structured plan and the override token. It also evaluates
// selector match predicates.
//
// # Components
//
// CatalogLoader: Parses catalog documents from CUE files, CUE package
// directories, YAML and JSON. Multiple sources are merged in order and the
// result is checked against struct tags, the built-in CUE schema and the
// selector rules. FileCatalogSource adapts it to engine.CatalogSource.
//
// SchemaRegistry: Holds the CUE definitions used for catalog validation.
// Custom schemas can be registered for site-specific rules.
//
// StarlarkEvaluator: Evaluates the optional `match` expression of a selector
// against each provider candidate. Implements engine.MatchEvaluator.
//
// FilePlanSource and ExecPlanSource: Provide engine.PlanSource over a plan
// file or a plan producer command. Both accept the native format and the
// output of `terraform show -json`.
//
// # Catalog Structure
//
// A catalog in YAML:
//
//	project: shop
//	region: eu-west-1
//	entries:
//	  - address: lb.main
//	    kind: aws_lb
//	    required: true
//	    selector:
//	      name: shop-lb
//	      tags: {env: prod}
//	kinds:
//	  aws_lb:
//	    stateful: true
//	    immutable: [internal]
//
// The same catalog in CUE, with entries keyed by address:
//
//	project: "shop"
//	entries: {
//	    "lb.main": {kind: "aws_lb", required: true, selector: name: "shop-lb"}
//	}
//
// # Match Expressions
//
// A match expression is a single Starlark expression evaluated per candidate.
// The names id, kind, name, tags and resource are predeclared, as is the
// helper has_tag(key):
//
//	kind == "aws_security_group" and tags.get("owner") == "payments"
//
// Evaluation is sandboxed: print is suppressed, execution steps are capped and
// each evaluation is bounded by a timeout.
//
// # Error Handling
//
// Catalog errors carry their location:
//
//	ValidationError{
//	    File:     "catalog.cue",
//	    Line:     12,
//	    Column:   5,
//	    Path:     "entries[0] (lb.main).selector",
//	    Message:  "selector must set a name or at least one tag",
//	    Severity: "error",
//	}
//
// ParsedCatalog.Err folds them into a single permanent engine error.
package config
