// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides the local development HTTP host that consumes a
// proxy rule table. Requests whose path starts with a rule prefix are
// forwarded to that rule's upstream, with optional origin rewriting, path
// rewriting and WebSocket passthrough. Everything else is served from the
// front-end build directory when one is configured.
package proxy
