// Package dynamodb connects to Amazon DynamoDB for the cloud state
// record backend.
package dynamodb
