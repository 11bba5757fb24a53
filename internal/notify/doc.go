// Package notify delivers rule notifications to their channels.
//
// A Router maps each channel to a Sender:
//   - app, dashboard: JSON published on agrilogic/notify/{channel}
//   - slack: Block Kit message through the Slack Web API
//   - email, sms, webhook: JSON POSTed to an HTTP gateway
//
// Channels without a sender fail with automation.ErrChannelUnsupported so
// the dispatcher records them as individual action failures.
package notify
