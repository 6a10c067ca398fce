// Package sftp implements both sides of the SSH File Transfer Protocol
// version 3 as described in
// https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
//
// The package does not speak SSH itself: both Client and Server run on
// any duplex byte stream a host provides, typically an SSH subsystem
// channel.  The server side is filesystem-agnostic and dispatches every
// request to an embedder-supplied Handler.
package sftp
