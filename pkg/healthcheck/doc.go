/*
Package healthcheck implements active health probing for durable service
instances.

Durable (non-ephemeral) instances are not kept alive by client heartbeats;
instead the naming engine runs an active checker against each one and
flips its health bit based on the observed result. This package supplies
the Checker interface and two implementations, HTTPChecker and TCPChecker,
along with a Status type that applies consecutive-failure/success
hysteresis before a health transition is reported upstream.

# Usage

	checker := healthcheck.NewHTTPChecker("/health", 5*time.Second)
	status := healthcheck.NewStatus()
	cfg := healthcheck.DefaultConfig()

	result := checker.Check(ctx, inst)
	status.Update(result, cfg)
	if !status.Healthy {
		// transition the instance to unhealthy
	}

Retries and Interval bound how quickly a flapping instance is marked
unhealthy; StartPeriod gives a freshly-registered instance time to come
up before the first failure counts against it.
*/
package healthcheck
