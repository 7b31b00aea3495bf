package cmd

const (
	cftunnelDesc = `
cftunnel keeps named tunnels to services behind Cloudflare Access. Each
tunnel runs one cloudflared client that listens on localhost:<local port>
and forwards to the tunnel hostname, so RDP, SSH or SMB clients can connect
to the local port.

Run without a command to start the interactive view:
  - Space starts or stops the selected tunnel
  - a, e and d add, edit and delete tunnels
  - / filters the list

When 'cftunnel serve' is running, the other commands talk to it over
127.0.0.1. Otherwise they work on the tunnel store directly, and 'start'
keeps the tunnel open in the foreground until interrupted.

Detailed help for each command is available with 'cftunnel help <command>'.
`

	addExample = `  cftunnel add CorpRDP rdp.example.com 3389
  cftunnel add build-ssh ssh.example.com 2222 --protocol ssh`

	updateExample = `  cftunnel update CorpRDP --local-port 3390
  cftunnel update CorpRDP --new-name OfficeRDP --hostname rdp2.example.com`
)
