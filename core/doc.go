// Package core contains the session contracts, the credential model, and the
// retry, refresh and event orchestration shared by the transport and query
// layers. Adapters depend on this package; core must not depend on transport
// or storage adapters.
package core
