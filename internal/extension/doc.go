/*
Package extension performs the asynchronous calls handlers make through $ext.

A handler that awaits $ext.<name>.<method>(...) suspends. The Dispatcher
looks the extension up in a Registry, runs the call and resumes the
execution with the outcome, repeating until the execution completes, fails
or exceeds its round limit.

	reg, _ := extension.NewRegistry(extension.NewHTTP(extension.HTTPOptions{
		Timeout:      10 * time.Second,
		Retries:      2,
		RateLimit:    20,
		AllowedHosts: []string{"api.example.com"},
	}))
	rt, _ := runtime.New(cfg, runtime.WithExtensions(reg.View()))
	d := extension.NewDispatcher(reg, rt, 32, logger)

	res := d.Drive(ctx, rt.ExecuteHandler(ctx, source, ec, 0))

# http

The http extension sends requests through resty over a go-retryablehttp
transport, a shared rate limiter and a circuit breaker. Arguments are
[url, body?, headers?]; string bodies are sent as-is, anything else as JSON.
Calls resolve to {status, headers, body} for every HTTP status and reject on
transport errors, disallowed hosts and an open breaker. Loopback, private
and link-local addresses are refused, including names that resolve to them,
unless HTTPOptions.AllowPrivateNetworks is set.
*/
package extension
