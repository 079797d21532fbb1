/*
The sync package implements lansync's file catalog and the wire types of the
pull protocol.

A source device exposes a folder. On every manifest request it scans the
folder and describes each regular file with a ManifestEntry: the path relative
to the folder (always forward-slash separated), its size, its modification
time and the MD5 of its contents.

A sink device fetches the manifest, compares each entry's checksum against
what it last synced, and downloads only the files that differ. The
comparison and bookkeeping live in the orchestrator package; the HTTP
transport lives in the server and client subpackages.

The catalog only deals with regular files. Directories are implied by the
paths of the files inside them, and symlinks are never followed.
*/
package sync
