/*
Package client is the Go client for the drover orchestrator HTTP API.

It wraps every /v1 endpoint with a typed method and is what the drover
CLI uses for all of its commands. Requests are plain JSON over HTTP;
artifact pushes stream the blob body.

# Usage

	cli := client.New("http://127.0.0.1:7740")
	resp, err := cli.SubmitJob(&api.SubmitJobRequest{
		Name:    "build",
		Command: []string{"make", "all"},
	})

# Error Handling

Non-2xx responses become *APIError carrying the HTTP status and the
server's error message. IsNotFound recognizes 404s so callers can tell
"does not exist" apart from transport failures.

The pool endpoints report their outcome in the response body on both
success and rejection, so CreatePool and ScalePool return a response
with a non-empty Outcome instead of an error for application-level
rejections (invalid spec, capacity limits). Callers render the outcome;
only transport problems and unknown pools surface as errors.
*/
package client
