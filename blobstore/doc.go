/*
Package blobstore implements the on-disk blob store behind local history.

Every stored revision is snappy-compressed and appended to a segment file.
An append-only CSV index journal records where each blob lives:

	local-history-contents 2
	put,1,0,0,42,b83dcd8e
	put,2,0,42,17,25d4c2ca
	rm,1,c89284ec

The last field of every record is the crc32 of the fields before it. Ids are
assigned monotonically and survive a reopen. Removing a blob only appends a
tombstone; segment space is never reclaimed. Replay stops at the first record
that fails its checksum or points past the end of its segment, and the journal
is truncated there, so a partial last line left by a crash is dropped.

	store, err := blobstore.New(filepath.Join(dir, "contents"), logger)
	id, err := store.Store([]byte("revision"))
	data, err := store.Load(id)
	store.Close()
*/
package blobstore
