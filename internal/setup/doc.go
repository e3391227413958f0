// Package setup prepares the host for traffic analysis: a Python virtual
// environment with mitmproxy, the events addon next to it and a generated
// mitmproxy certificate authority. It also picks the LAN address a physical
// device uses to reach a gateway-mode proxy.
//
// This package is a collection of provisioning steps, and is therefore the
// only package that is allowed to use a package-level logger.
package setup
