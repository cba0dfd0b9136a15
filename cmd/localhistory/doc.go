// Package main (cmd/localhistory) is a command line tool over a local history
// storage directory.
//
// Every command opens the directory given by --data-dir (or LOCAL_HISTORY_DIR).
// Opening validates the format version and the broken marker, wiping the
// directory when either is off; the reason is logged as a warning.
//
// Example usage:
//
//	localhistory --data-dir=./history put main.go
//	localhistory --data-dir=./history get 1
//	localhistory --data-dir=./history purge --older-than=720h
//	localhistory --data-dir=./history export --to=file:///var/backups/history --to=s3://bucket/history
//	localhistory --data-dir=./history serve --listen-addr=127.0.0.1:8080
package main
