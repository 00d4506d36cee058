/*
Package mailer sends the transactional welcome email through the mail
provider's REST API. Delivery is best effort: three attempts with progressive
backoff, rate limits honored via Retry-After, and the outcome reported as a
flag on the task result rather than an error.
*/
package mailer
