package builder_test

import (
	"context"
	"fmt"

	"github.com/quantumflow/kgbuilder/internal/builder"
	"github.com/quantumflow/kgbuilder/internal/extract"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
)

// Example demonstrates the minimal wiring needed to run the text
// pipeline: a store, an entity/relation extractor pair, and a
// GraphBuilder tying them together.
func Example() {
	ctx := context.Background()

	store := graphstore.NewMemoryStore(graphstore.PolicyUpdateMerge, graphstore.OptimizerConfig{})
	if err := store.Initialize(ctx); err != nil {
		fmt.Println("initialize error:", err)
		return
	}

	gb := builder.NewGraphBuilder(store, extract.NoOpEntityExtractor{}, extract.NoOpRelationExtractor{}, builder.DefaultConfig())

	result, err := gb.BuildFromText(ctx, "Ada Lovelace worked with Charles Babbage.", "example-doc", nil, nil, nil, nil)
	if err != nil {
		fmt.Println("build error:", err)
		return
	}

	fmt.Println("success:", result.Success)
	for _, w := range result.Warnings {
		fmt.Println("warning:", w)
	}
	// Output:
	// success: true
	// warning: no entities extracted
}
