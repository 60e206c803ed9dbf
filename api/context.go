// Package api holds the user-facing context schema. A context file declares
// where the observation database lives, where data files are rooted, and
// which manifest indexes to resolve against, in HCL:
//
//	obsdb     = "obs.sqlite"
//	data_root = "/data/metadata"
//
//	index "focal_plane" {
//	  path     = "focal_plane.sqlite"
//	  required = true
//	  axes     = { dets = "channels" }
//	}
package api

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Context is the decoded form of one context file.
type Context struct {
	// ObsDb is the path of the observation database.
	ObsDb string `hcl:"obsdb,optional"`
	// DataRoot anchors relative data file paths referenced by manifests.
	DataRoot string `hcl:"data_root,optional"`
	// Indexes lists the metadata products to resolve, in order.
	Indexes []IndexSpec `hcl:"index,block"`
}

// IndexSpec is one index block. The block label names the spec in errors
// and logs.
type IndexSpec struct {
	Name string `hcl:"name,label"`
	// Path of the manifest index sqlite file.
	Path string `hcl:"path"`
	// Loader names the loader implementation; empty selects the default.
	Loader string `hcl:"loader,optional"`
	// Dest nests loaded fields under a subcontainer of that name.
	Dest string `hcl:"dest,optional"`
	// Required aborts resolution when nothing matches.
	Required bool `hcl:"required,optional"`
	// Rename maps loaded field names to final names.
	Rename map[string]string `hcl:"rename,optional"`
	// Axes maps the roles "dets" and "samps" to the fragment's axis names.
	Axes map[string]string `hcl:"axes,optional"`
}

// LoadContext decodes and validates a context file.
func LoadContext(path string) (*Context, error) {
	var ctx Context
	if err := hclsimple.DecodeFile(path, nil, &ctx); err != nil {
		return nil, fmt.Errorf("load context %s: %w", path, err)
	}
	seen := make(map[string]bool, len(ctx.Indexes))
	for _, ix := range ctx.Indexes {
		if ix.Name == "" {
			return nil, fmt.Errorf("load context %s: index block with empty label", path)
		}
		if seen[ix.Name] {
			return nil, fmt.Errorf("load context %s: duplicate index %q", path, ix.Name)
		}
		seen[ix.Name] = true
		if ix.Path == "" {
			return nil, fmt.Errorf("load context %s: index %q has no path", path, ix.Name)
		}
	}
	return &ctx, nil
}
