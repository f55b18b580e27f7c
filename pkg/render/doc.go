/*
Package render builds the shell command line for a task from its command
template and input map.

# Placeholder Grammar

	${name}                  value of input[name]; sequences are joined by a space
	${sep='<delim>' name}    input[name] as a sequence joined by <delim>
	${sep="<delim>" name}    same, double-quoted delimiter

Names consist of letters, digits, '_', '-' and '.'. An absent name renders
as the empty string. Anything else that starts with "${" but does not parse
(unbalanced braces, missing blank after the delimiter) is copied literally;
malformed templates never fail rendering.

# Legacy Task Definitions

Templates without a single placeholder predate input maps: those commands
read the whole task_file from their last argument. Render appends the
original task JSON as one double-quoted shell word in that case:

	legacy.py "{\"command\": \"legacy.py\", ...}"

# PATH

Every rendered command starts with PATH=<workflow tools dir>:$PATH so tools
shipped with the workflow shadow the system ones.
*/
package render
