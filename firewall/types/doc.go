// Package types contains the generic firewall types and interfaces used
// throughout the application. These are defined separately from the main
// firewall package so that backend implementations and packages that use
// firewall functionality don't need to depend on each other.
package types
