/*
Package provision stages remote input files onto node-local paths.

Several worker processes on one node may need the same input at the same
time (tasks of one job share the job data directory, all jobs share the
workflow data directory). The package guarantees at most one concurrent
download per local path using only files next to the target:

	<path>.__downloading__   a download is in progress, or its owner died
	<path>.__ready__         <path> is complete and safe to use

<path>.__ready__ exists if and only if <path> is complete. No shared memory,
lock service or in-process mutex is involved, so the protocol also works
between processes written in other languages.

# Protocol

	┌──────────────────────────────────────────────────────────┐
	│ __downloading__ exists?                                   │
	│   yes → poll size(path) every PollInterval                │
	│         sentinel gone + ready   → done (waited)           │
	│         sentinel gone, no ready → fall through            │
	│         sentinel replaced       → start over              │
	│         size unchanged StallSamples times                 │
	│           rename sentinel → __downloading__.stale.<pid>.N │
	│           same file as watched  → remove it, fall through │
	│           other file / missing  → put back, start over    │
	│ path + __ready__ exist?  → done (cached)                  │
	│ O_CREATE|O_EXCL __downloading__ → lost race: error        │
	│ remove stale __ready__                                    │
	│ GET url → path          → error: remove path + sentinel   │
	│ rename __downloading__ → __ready__                        │
	└──────────────────────────────────────────────────────────┘

The exclusive create is the only mutual exclusion point for starting a
download. Taking over a stalled sentinel is a rename followed by an
identity check against the file that was watched, so when several waiters
find the same sentinel stalled only one of them removes it, and none removes
the sentinel of a downloader that started in the meantime. The final rename
is atomic, so observers always see exactly one of the two markers while a
successful download completes.

# Policy

PollInterval (30s) and StallSamples (6) bound how long a waiter trusts a
silent downloader: after 180s without the file growing the sentinel is
treated as left behind by a crashed worker. Tests shorten both.

Waiters have no ordering guarantee and may wait for as long as the other
download keeps making progress.
*/
package provision
