// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package orchestrator schedules tasks onto supervised worker processes.

# Policy

  - At most Config.MaxConcurrent workers run at once. Waiting tasks are
    dequeued by priority (higher first), FIFO within a priority.
  - Before every attempt the task's EstimatedCost is checked against the
    budget. A task that cannot fit fails with ErrBudgetExceeded and is never
    spawned. While it runs, the estimate is reserved; on exit the reported
    cost (total_cost_usd in the worker's JSON summary) or, failing that, the
    estimate of a successful attempt is committed. Spent never exceeds the
    limit.
  - Timeouts, unhealthy verdicts and non-zero exits are retried after an
    exponential backoff (doubling, capped) until MaxAttempts. Spawn
    failures, budget rejections and aborts are not retried.
  - Repeated spawn failures of one executable open a circuit breaker that
    fails later tasks for it fast.

# Events

Every task emits Queued, then per attempt Started, Health and possibly
AttemptFailed and Retrying, and finally exactly one of Succeeded, Failed or
Cancelled. An abort emits one Aborted event.
*/
package orchestrator
