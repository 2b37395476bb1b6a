// Package orchestrator runs plans of agent steps on the task queue, guarding
// every call to a remote resource with its circuit breaker.
//
// # Execution Path
//
// A plan is a dependency graph of steps (plan, code, test, review, commit).
// Start validates it, namespaces each step's task ID as "<run id>/<step id>"
// and submits every step to the queue. When the queue dispatches a step the
// orchestrator:
//
//  1. waits on the resource's rate limiter, if one is set
//  2. calls the step type's StepHandler inside breaker.Execute for the
//     resource, using the resource's FallbackHandler when the circuit is open
//  3. records the attempt as an OpenTelemetry span
//
// The queue owns retries and backoff; the breaker owns failure isolation.
// A step's resource is its Resource field, else the resource registered for
// its Agent, else "step:<type>".
//
// # Runs
//
// A PlanRun follows queue events and re-reads task state on each one. When
// a step fails terminally, its pending transitive dependents are removed
// from the queue and reported as skipped, so a run always finishes.
//
//	o, err := orchestrator.New(orchestrator.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	o.RegisterHandler(orchestrator.StepTest, &orchestrator.ExecHandler{Dir: repo})
//	o.RegisterHandler(orchestrator.StepCode, orchestrator.NewHTTPAgentHandler(agents, nil, logger))
//
//	plan, err := orchestrator.LoadPlan("feature.yaml")
//	if err != nil {
//	    return err
//	}
//	report, err := o.Run(ctx, plan)
//
// Plan files are YAML, TOML or JSON:
//
//	name: add-endpoint
//	steps:
//	  - id: design
//	    type: plan
//	    agent: planner
//	  - id: implement
//	    type: code
//	    agent: coder
//	    depends_on: [design]
//	  - id: unit
//	    type: test
//	    depends_on: [implement]
//	    input:
//	      command: go test ./...
package orchestrator
