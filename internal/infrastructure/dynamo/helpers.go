package dynamo

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

const (
	attrCommunityID = "community_id"
	attrMemberID    = "member_id"
)

// strKey builds a DynamoDB primary key map with a single string attribute.
func strKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

// compositeKey builds a DynamoDB primary key with two string attributes (PK + SK).
func compositeKey(pkName, pkValue, skName, skValue string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkName: &types.AttributeValueMemberS{Value: pkValue},
		skName: &types.AttributeValueMemberS{Value: skValue},
	}
}

// identityKey is the composite key every per-member table uses
func identityKey(id entities.Identity) map[string]types.AttributeValue {
	return compositeKey(attrCommunityID, id.CommunityID, attrMemberID, id.MemberID)
}

// communityCondition builds the key condition selecting one community's items
func communityCondition(communityID string) (string, map[string]types.AttributeValue) {
	return attrCommunityID + " = :c", map[string]types.AttributeValue{
		":c": &types.AttributeValueMemberS{Value: communityID},
	}
}
