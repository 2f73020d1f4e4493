// Package logging builds the structured logger shared by the client, the
// command line tool and the development server.
//
// Entries carry service and version fields and go to stderr, stdout or a
// size-rotated file (lumberjack). Attributes whose key mentions a token,
// secret, password or authorization are replaced with [Redacted], so
// credentials never reach the output even when a caller logs them by
// mistake. The level can be lowered or raised at runtime with SetLevel.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stderr"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/apilink/apilink.log"
//	    max_size: 100    # megabytes
//	    max_backups: 3
//	    max_age: 28      # days
//	    compress: true
package logging
