// Package archive exports local history contents to durable backends.
//
// Backends are addressed by location URI:
//
//	file:///var/backups/history
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio:9000
//
// A MultiBackend writes to every available backend and reads from the first
// one that has the content.
package archive
