// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the execution pipeline of a buildfarm worker.
//
// Operations matched to the worker travel through a fixed chain of
// stages:
//
//	MatchStage -> input fetch -> ExecuteStage -> report result -> completion sink
//	                   \______________\_______________\__> error stage -> discard sink
//
// Every stage owns its admission capacity. An upstream stage must
// [Stage.Claim] a permit before it may [Stage.Offer] a context, and the
// permit is returned when the downstream stage has finished with the
// context. Claim returning false is the only shutdown signal a stage
// needs: once a stage's output is closed and it holds no permits, its
// driver exits and closes the stage, so the next stage upstream sees
// Claim fail and winds down the same way.
//
// A context that cannot be processed, or whose next stage will not
// admit it, is diverted to the error stage with a [Failure] describing
// which of the two happened. Every context that enters the pipeline
// leaves through exactly one of the completion sink or the error path.
//
// [QueueStage] is the generic engine: a bounded FIFO inbox drained by
// one driver goroutine that calls a [Processor] for each context.
// [ExecuteStage] runs its processor concurrently, up to a configured
// width, on goroutines it tracks in a live-executor set.
package worker
