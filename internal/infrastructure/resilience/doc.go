/*
Package resilience provides the circuit breaker used by outbound extensions.

# Overview

The http extension wraps every upstream request in a Breaker so a failing
host fails fast instead of tying up suspended handlers until they expire.

# Features

- Closed, Open and Half-Open states with generation tracking
- Pluggable failure classification (IsFailure) so 4xx replies do not trip
- Generic Do helper for calls that return a value
- State change callbacks

# Usage

	// Create a circuit breaker
	breaker := resilience.New("service", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state change", zap.String("name", name), zap.Stringer("to", to))
		},
	})

	// Guard a call; open and half-open rejections never reach fn
	resp, err := resilience.Do(breaker, func() (*resty.Response, error) {
		return req.Get(url)
	})

# States

- Closed: Normal operation, requests pass through
- Open: Service unavailable, requests fail immediately
- Half-Open: Testing if service recovered, limited requests allowed

# Pattern

The circuit breaker transitions between states based on success/failure rates:

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
