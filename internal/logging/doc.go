// Package logging provides structured logging for conductor, built on zap
// with an OpenTelemetry bridge.
//
// The Logger wraps zap with context-aware methods. Every entry picks up the
// correlation fields carried by the context: the OTel trace and span IDs,
// plus the run, task, step type, resource and request identifiers attached
// with WithRunID, WithTaskID and friends.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	ctx = logging.WithStepType(ctx, "code")
//	logger.Info(ctx, "step dispatched", zap.String("agent", "coder"))
//
// Output (json):
//
//	{"level":"info","ts":"2026-03-02T10:15:30Z","msg":"step dispatched",
//	 "service":"conductor","run.id":"4f1c...","step.type":"code","agent":"coder"}
//
// Engine packages (queue, breaker, natsbridge, http) take a plain *zap.Logger;
// hand them Underlying().
//
// # Secret Redaction
//
// Agent API keys travel through configuration as config.Secret and are
// logged with the Secret field helper. As a second layer the stdout encoder
// redacts fields by name (api_key, authorization, ...) and string values
// matching provider key patterns.
//
// # Sampling
//
// Each level below Error has its own sampling budget per tick; Error and
// above are never sampled.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	runThing(tl.Logger)
//	tl.AssertLogged(t, zapcore.WarnLevel, "retrying")
//	tl.AssertNoSecrets(t)
package logging
