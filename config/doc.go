// Package config loads go-gpib settings from a YAML file.
//
// A file has four optional sections:
//
//	bus:
//	  platform: prologix-serial
//	  params:
//	    port: /dev/ttyUSB0
//	    baud: "115200"
//	  probe_timeout: 100ms
//	session:
//	  terminator: "\n"
//	  open_timeout: 3s
//	  write_timeout: 1s
//	  read_timeout: 3s
//	log:
//	  level: debug
//	  file: /var/log/gpib.log
//	  max_size_mb: 10
//	trace:
//	  file: /var/log/gpib.trace
//
// The Config methods turn each section into the values the gpib, logger and
// trace packages expect.
package config
