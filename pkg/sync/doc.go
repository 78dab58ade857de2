/*
The sync package mirrors one directory tree onto another on the host.

It's used by the archive transfer strategy: the container's workspace is
first unpacked into a staging directory, and then the staging directory is
mirrored onto the shadow repository's working tree. Mirroring only rewrites
files whose contents or mode differ, and removes files and directories that
no longer exist in the staging tree. Paths rejected by the skip function are
left untouched on both sides, so the shadow repository's .git directory and
any excluded paths survive the mirror.
*/
package sync
