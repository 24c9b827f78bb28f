package testutil

// Obviously fake credentials for tests, so secret scanners stay quiet.
const (
	// FakeBearerToken is the gateway API token used in tests.
	FakeBearerToken = "test-gateway-bearer-token"

	// FakeOtherToken is a valid-looking token that never matches.
	FakeOtherToken = "test-gateway-other-token"

	// FakeWebhookSecret signs webhook payloads in tests.
	FakeWebhookSecret = "test-webhook-signing-secret"
)
