package eventstore

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// objectIDFromHex parses the public string id (itself produced by
// idToString) back into the ObjectID Mongo needs for a query. An error here
// means the caller passed something that was never a valid id: Get and Claim
// treat that as "not found" (nil, nil), RecordOutcome as a bad request.
func objectIDFromHex(id string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(id)
}
