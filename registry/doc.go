// Package registry fetches the IPv4 ranges allocated to countries from a
// public registry of aggregated zone files, such as the one published by
// ipdeny.com. Each country is served as a plain text file with one CIDR prefix
// per line.
package registry
