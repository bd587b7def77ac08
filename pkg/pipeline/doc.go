// Package pipeline runs a harvest: a bounded, rate-limited producer and
// consumer pipeline that pulls paginated batches for a set of query terms,
// deduplicates records across terms, and stops once a unique-record target
// is reached or every term is exhausted.
//
// Example usage:
//
//	coord, err := pipeline.New(pipeline.DefaultConfig(), searchClient)
//	result, err := coord.Run(ctx, []string{"#nifty50", "#sensex"})
//
// A run:
//   - Starts one Source per term, one after another (StartSequential) or
//     all at once (StartParallel)
//   - Starts a fixed pool of Sinks draining a bounded queue
//   - Stops every worker once the target is reached, a fatal error occurs,
//     or the caller cancels the context
//   - Returns every record accepted so far, even when aborted
package pipeline
