// Package iothub is the AMQP core of an IoT hub service client: it sends
// cloud-to-device messages and drains the feedback and file-upload
// notification queues.
//
// The primary lifecycle is:
//   - build a ConnectionManager with NewConnectionManager or
//     NewConnectionManagerFromConnectionString
//   - optionally Open it; links open the session on demand
//   - create a MessageSender or a Receiver on it
//   - Close the manager when finished
//
// One ConnectionManager holds one AMQP connection and session. The
// session is created once no matter how many goroutines ask for it at the
// same time, and is replaced on the next request after the transport
// drops. While a session is open its shared access token is renewed in
// the background ahead of expiry.
//
// Every Create*Link call spends one time budget across session setup and
// the link attach. Once the budget is gone the call fails with
// TimeoutError without contacting the service.
//
// Errors crossing the package boundary are *Error values created with
// NewError; match them with errors.Is against ErrTimeout, ErrUnauthorized
// and the other sentinels. Errors a FatalClassifier marks fatal are
// returned untouched.
//
// Integration tests are environment-gated and use
// IOTHUB_TEST_CONNECTION_STRING and IOTHUB_TEST_DEVICE_ID.
package iothub
